package oauth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// AdminRole is the provider role that grants workspace administration.
const AdminRole = "administrator"

// UserIdentity is the provider-sourced user. Known fields are typed; every
// other field the provider sends is kept in Extra.
type UserIdentity struct {
	ID    int64
	Email string
	Name  string
	Roles []string
	Extra map[string]any
}

var (
	idKeys    = []string{"id", "ID"}
	emailKeys = []string{"email", "user_email"}
	nameKeys  = []string{"name", "display_name"}
)

// IsAdmin reports whether the identity carries the administrator role.
func (u UserIdentity) IsAdmin() bool {
	return slices.Contains(u.Roles, AdminRole)
}

// UnmarshalJSON decodes a user-info payload.
func (u *UserIdentity) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("user info is not an object")
	}

	var out UserIdentity
	if raw, ok := take(fields, idKeys); ok {
		id, err := parseID(raw)
		if err != nil {
			return err
		}
		out.ID = id
	}
	if raw, ok := take(fields, emailKeys); ok {
		if err := json.Unmarshal(raw, &out.Email); err != nil {
			return fmt.Errorf("decode email: %w", err)
		}
	}
	if raw, ok := take(fields, nameKeys); ok {
		if err := json.Unmarshal(raw, &out.Name); err != nil {
			return fmt.Errorf("decode name: %w", err)
		}
	}
	if raw, ok := fields["roles"]; ok {
		delete(fields, "roles")
		if !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			if err := json.Unmarshal(raw, &out.Roles); err != nil {
				return fmt.Errorf("decode roles: %w", err)
			}
		}
	}
	if len(fields) > 0 {
		out.Extra = make(map[string]any, len(fields))
		for k, raw := range fields {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out.Extra[k] = v
		}
	}

	*u = out
	return nil
}

// MarshalJSON flattens Extra next to the known fields.
func (u UserIdentity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Extra)+4)
	for k, v := range u.Extra {
		out[k] = v
	}
	out["id"] = u.ID
	out["email"] = u.Email
	out["name"] = u.Name
	if u.Roles != nil {
		out["roles"] = u.Roles
	}
	return json.Marshal(out)
}

// take returns the first present alias and removes every alias from fields.
func take(fields map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	var (
		found json.RawMessage
		ok    bool
	)
	for _, k := range keys {
		if raw, present := fields[k]; present {
			if !ok {
				found, ok = raw, true
			}
			delete(fields, k)
		}
	}
	return found, ok
}

// parseID accepts numeric ids and numeric strings; WordPress sends both.
func parseID(raw json.RawMessage) (int64, error) {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("decode id: %w", err)
	}
	switch t := v.(type) {
	case json.Number:
		n = t
	case string:
		n = json.Number(t)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("decode id: unexpected %T", v)
	}
	id, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode id: %w", err)
	}
	return id, nil
}
