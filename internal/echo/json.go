package echo

import (
	"encoding/json"

	"github.com/aidanlsb/echo/internal/model"
)

// ToJSON materializes a snapshot of the object:
//
//	{"@id", "@type"?, "@meta": {"keys": [...]}, "@deleted"?, ...fields}
//
// References render as {"/": dxn}.
func (o *Object) ToJSON() map[string]any {
	s := o.core.Structure()
	out := make(map[string]any, len(s.Data)+3)
	for k, v := range s.Data {
		out[k] = jsonValue(v)
	}
	out["@id"] = o.core.id
	if s.System.Type != nil {
		out["@type"] = s.System.Type.DXN()
	}
	keys := make([]any, 0, len(s.Meta.Keys))
	for _, k := range s.Meta.Keys {
		keys = append(keys, map[string]any{"source": k.Source, "id": k.ID})
	}
	out["@meta"] = map[string]any{"keys": keys}
	if s.System.Deleted {
		out["@deleted"] = true
	}
	return out
}

// MarshalJSON encodes ToJSON.
func (o *Object) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.ToJSON())
}

func jsonValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := model.DecodeReference(t); ok {
			return map[string]any{"/": ref.DXN()}
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = jsonValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = jsonValue(item)
		}
		return out
	default:
		return t
	}
}
