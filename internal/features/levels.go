package features

import "github.com/pkg/errors"

var ErrUnknownLabel = errors.New("unknown level label")

// CountLevels returns the number of distinct ids.
func CountLevels(ids []int) int {
	seen := make(map[int]struct{}, 8)
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// Encoder assigns dense zero-based ids to labels in first-seen order.
type Encoder struct {
	index  map[string]int
	labels []string
}

func NewEncoder(labels []string) *Encoder {
	e := &Encoder{index: map[string]int{}}
	for _, l := range labels {
		if _, ok := e.index[l]; ok {
			continue
		}
		e.index[l] = len(e.labels)
		e.labels = append(e.labels, l)
	}
	return e
}

func (e *Encoder) Encode(label string) (int, bool) {
	id, ok := e.index[label]
	return id, ok
}

func (e *Encoder) EncodeAll(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		id, ok := e.index[l]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownLabel, "%q", l)
		}
		out[i] = id
	}
	return out, nil
}

func (e *Encoder) Labels() []string {
	out := make([]string, len(e.labels))
	copy(out, e.labels)
	return out
}

func (e *Encoder) Len() int { return len(e.labels) }
