package index

import (
	"fmt"
	"strings"

	"github.com/MrEthical07/goSession/session"
)

const (
	// PrincipalNameIndex is the index name under which principal names are kept.
	PrincipalNameIndex = "principal_name"
	// PrincipalNameAttribute is the conventional attribute holding the principal name.
	PrincipalNameAttribute = "principal_name"
	// SecurityContextAttribute holds an embedded security context.
	SecurityContextAttribute = "security_context"
)

// PrincipalNamer is implemented by security context values stored in sessions.
type PrincipalNamer interface {
	PrincipalName() string
}

// PrincipalNameResolver extracts the principal name from PrincipalNameAttribute,
// falling back to the security context in SecurityContextAttribute. A decoded
// security context map may carry the name under "principal", "principalName",
// "name" or "authentication.name", matched without regard to case.
type PrincipalNameResolver struct{}

func (PrincipalNameResolver) IndexNames() []string { return []string{PrincipalNameIndex} }

func (PrincipalNameResolver) Resolve(rec *session.Record) (map[string]string, error) {
	if v, ok := rec.Attributes[PrincipalNameAttribute]; ok && v != nil {
		name, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("attribute %q is %T, want string", PrincipalNameAttribute, v)
		}
		return single(name), nil
	}

	ctx, ok := rec.Attributes[SecurityContextAttribute]
	if !ok || ctx == nil {
		return nil, nil
	}

	switch sc := ctx.(type) {
	case PrincipalNamer:
		return single(sc.PrincipalName()), nil
	case map[string]any:
		if name, ok := principalFromMap(sc); ok {
			return single(name), nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("attribute %q has unsupported type %T", SecurityContextAttribute, ctx)
	}
}

func principalFromMap(m map[string]any) (string, bool) {
	for _, key := range []string{"principal", "principalname", "name"} {
		if s, ok := lookupFold(m, key).(string); ok && s != "" {
			return s, true
		}
	}
	if auth, ok := lookupFold(m, "authentication").(map[string]any); ok {
		if s, ok := lookupFold(auth, "name").(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// lookupFold finds key ignoring case, so maps decoded from a struct's exported
// fields ("Name", "PrincipalName") resolve like hand-built ones.
func lookupFold(m map[string]any, key string) any {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func single(name string) map[string]string {
	if name == "" {
		return nil
	}
	return map[string]string{PrincipalNameIndex: name}
}
