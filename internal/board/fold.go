package board

import "encoding/json"

// Objects is the in-memory shape of a board's `objects` JSON document: a
// flat mapping from object id to an arbitrary JSON object. Fold and Apply
// operate on it, and tests use it to assert the fold semantics in §8; the
// checkpointer builds its JSON.SET/JSON.DEL mutations without it.
type Objects map[string]json.RawMessage

// Clone returns a shallow copy safe to mutate independently.
func (o Objects) Clone() Objects {
	out := make(Objects, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Apply folds a single Change into objects in place, following the rules in
// §3 and §4.3: Update on a missing id and Delete on a missing id are no-ops;
// Insert always creates-or-replaces the whole object.
func Apply(objects Objects, c Change) error {
	switch c.Type {
	case ChangeInsert:
		objects[c.ID] = c.Object
	case ChangeUpdate:
		existing, ok := objects[c.ID]
		if !ok {
			return nil // ignored: object does not exist
		}
		merged, err := setProperty(existing, c.Key, c.Value)
		if err != nil {
			return err
		}
		objects[c.ID] = merged
	case ChangeDelete:
		delete(objects, c.ID)
	}
	return nil
}

// Fold applies an ordered sequence of Changes to a (possibly empty) starting
// document and returns the resulting document. It is a pure function of its
// inputs: given the same initial state and the same prefix of changes it
// always returns the same result (§8 round-trip/idempotence properties).
func Fold(initial Objects, changes []Change) (Objects, error) {
	result := initial.Clone()
	if result == nil {
		result = Objects{}
	}
	for _, c := range changes {
		if err := Apply(result, c); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// setProperty sets a single top-level key on a JSON object document.
func setProperty(object json.RawMessage, key string, value json.RawMessage) (json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if len(object) > 0 {
		if err := json.Unmarshal(object, &m); err != nil {
			return nil, err
		}
	}
	m[key] = value
	return json.Marshal(m)
}
