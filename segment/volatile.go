package segment

import (
	"strings"

	"github.com/hupe1980/indexgo/model"
)

// Tokenize splits a field value into lowercase terms.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// Volatile is the in-memory index that buffers documents between
// volatile commits. It is not safe for concurrent use; the engine
// serializes access.
type Volatile struct {
	docs     map[model.NodeID]model.Document
	order    []model.NodeID
	inverted map[string]map[model.NodeID]struct{}
}

// NewVolatile creates an empty volatile index.
func NewVolatile() *Volatile {
	return &Volatile{
		docs:     make(map[model.NodeID]model.Document),
		inverted: make(map[string]map[model.NodeID]struct{}),
	}
}

// Add buffers a document, replacing any pending version of the same node.
func (v *Volatile) Add(doc model.Document) {
	if _, ok := v.docs[doc.ID]; ok {
		v.removeTerms(doc.ID)
	} else {
		v.order = append(v.order, doc.ID)
	}
	v.docs[doc.ID] = doc.Clone()
	for _, field := range doc.Fields {
		for _, term := range Tokenize(field) {
			set, ok := v.inverted[term]
			if !ok {
				set = make(map[model.NodeID]struct{})
				v.inverted[term] = set
			}
			set[doc.ID] = struct{}{}
		}
	}
}

// Delete drops a pending document. It reports whether the node was
// actually buffered.
func (v *Volatile) Delete(id model.NodeID) bool {
	if _, ok := v.docs[id]; !ok {
		return false
	}
	v.removeTerms(id)
	delete(v.docs, id)
	for i, n := range v.order {
		if n == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
	return true
}

func (v *Volatile) removeTerms(id model.NodeID) {
	doc := v.docs[id]
	for _, field := range doc.Fields {
		for _, term := range Tokenize(field) {
			if set, ok := v.inverted[term]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(v.inverted, term)
				}
			}
		}
	}
}

// Has reports whether the node is buffered.
func (v *Volatile) Has(id model.NodeID) bool {
	_, ok := v.docs[id]
	return ok
}

// Document returns the buffered document for id.
func (v *Volatile) Document(id model.NodeID) (model.Document, bool) {
	doc, ok := v.docs[id]
	return doc, ok
}

// Search returns the buffered nodes containing term.
func (v *Volatile) Search(term string) []model.NodeID {
	set, ok := v.inverted[normalizeTerm(term)]
	if !ok {
		return nil
	}
	out := make([]model.NodeID, 0, len(set))
	// Preserve insertion order for deterministic results.
	for _, id := range v.order {
		if _, hit := set[id]; hit {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of buffered documents.
func (v *Volatile) Len() int {
	return len(v.docs)
}

// Documents returns the buffered documents in insertion order.
func (v *Volatile) Documents() []model.Document {
	out := make([]model.Document, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.docs[id])
	}
	return out
}

// Reset discards all buffered state.
func (v *Volatile) Reset() {
	v.docs = make(map[model.NodeID]model.Document)
	v.order = v.order[:0]
	v.inverted = make(map[string]map[model.NodeID]struct{})
}
