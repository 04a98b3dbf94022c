package grant

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

// AuthorizationDetail is one RFC 9396 authorization details object. Only "type" is interpreted;
// the remaining members are carried through to tokens unchanged.
type AuthorizationDetail map[string]any

func (d AuthorizationDetail) Type() string {
	t, _ := d["type"].(string)
	return t
}

type AuthorizationDetails []AuthorizationDetail

var ErrMalformedAuthorizationDetails = errors.New("authorization_details must be a JSON array of objects with a type")

// ParseAuthorizationDetails decodes the authorization_details request parameter. An empty string
// yields nil.
func ParseAuthorizationDetails(raw string) (AuthorizationDetails, error) {
	if raw == "" {
		return nil, nil
	}
	var details AuthorizationDetails
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		return nil, errors.Wrapf(ErrMalformedAuthorizationDetails, "%v", err)
	}
	for _, d := range details {
		if d.Type() == "" {
			return nil, ErrMalformedAuthorizationDetails
		}
	}
	return details, nil
}

// Types returns the distinct detail types in order of first appearance.
func (d AuthorizationDetails) Types() []string {
	var out []string
	for _, detail := range d {
		if !slices.Contains(out, detail.Type()) {
			out = append(out, detail.Type())
		}
	}
	return out
}

// OfTypes keeps the details whose type is in types.
func (d AuthorizationDetails) OfTypes(types []string) AuthorizationDetails {
	var out AuthorizationDetails
	for _, detail := range d {
		if slices.Contains(types, detail.Type()) {
			out = append(out, detail)
		}
	}
	return out
}

// JSON encodes the details for token responses and claims; nil when empty.
func (d AuthorizationDetails) JSON() json.RawMessage {
	if len(d) == 0 {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return b
}

func (d AuthorizationDetails) Clone() AuthorizationDetails {
	if d == nil {
		return nil
	}
	out := make(AuthorizationDetails, len(d))
	for i, detail := range d {
		out[i] = maps.Clone(detail)
	}
	return out
}
