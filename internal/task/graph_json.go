package task

import (
	"encoding/json"

	"github.com/ljj1233/xufei-sub000/internal/types"
)

// graphDoc is the serialized form of a Graph. Tasks keep their Seq so a
// restored graph preserves FIFO tie-breaking across a process restart.
type graphDoc struct {
	Tasks []*Task                 `json:"tasks"`
	Deps  map[types.ID][]types.ID `json:"deps,omitempty"`
	Seq   uint64                  `json:"seq"`
}

// MarshalJSON implements json.Marshaler.
func (g *Graph) MarshalJSON() ([]byte, error) {
	doc := graphDoc{
		Tasks: g.All(),
		Deps:  g.deps,
		Seq:   g.seq,
	}
	return json.Marshal(doc)
}

// UnmarshalJSON implements json.Unmarshaler. It rebuilds the internal
// maps from the serialized document.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var doc graphDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	g.tasks = make(map[types.ID]*Task, len(doc.Tasks))
	for _, t := range doc.Tasks {
		g.tasks[t.ID] = t
	}
	g.deps = make(map[types.ID][]types.ID, len(doc.Deps))
	for id, d := range doc.Deps {
		g.deps[id] = d
	}
	g.seq = doc.Seq
	return nil
}
