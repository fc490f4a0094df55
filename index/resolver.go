package index

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MrEthical07/goSession/session"
)

var (
	// ErrResolver marks a failure raised while deriving index values.
	ErrResolver = errors.New("index resolver failed")
	// ErrNameCollision is reported when two resolvers produce the same index name.
	ErrNameCollision = errors.New("index name produced by more than one resolver")
)

// Entry is one (index name, index value) membership.
type Entry struct {
	Name  string
	Value string
}

func (e Entry) String() string { return e.Name + "=" + e.Value }

// Resolver derives index values from a record. An empty value means the record has
// no entry for that index name.
type Resolver interface {
	Resolve(rec *session.Record) (map[string]string, error)
}

// NamedResolver is a Resolver that declares the index names it owns. When it
// fails, only those names keep their previous values.
type NamedResolver interface {
	Resolver
	IndexNames() []string
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(rec *session.Record) (map[string]string, error)

func (f ResolverFunc) Resolve(rec *session.Record) (map[string]string, error) { return f(rec) }

// ResolverError describes one failed resolver inside a Delegating resolver.
type ResolverError struct {
	Position int
	Err      error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("%v: resolver #%d: %v", ErrResolver, e.Position, e.Err)
}

func (e *ResolverError) Unwrap() []error { return []error{ErrResolver, e.Err} }

// Resolution is the outcome of running every delegate once.
type Resolution struct {
	// Values holds the union of successful resolver outputs.
	Values map[string]string
	// Preserve lists names owned by failed NamedResolvers.
	Preserve []string
	// PreserveAll is set when an unnamed resolver failed; every previously known
	// name not present in Values must be carried over.
	PreserveAll bool
	Errors      []error
}

// Delegating unions the output of several resolvers. A name already produced by an
// earlier resolver is a collision: the later resolver's output is dropped as a
// failure.
type Delegating struct {
	resolvers []Resolver
}

// NewDelegating composes resolvers in order. Nil resolvers are ignored.
func NewDelegating(resolvers ...Resolver) *Delegating {
	d := &Delegating{resolvers: make([]Resolver, 0, len(resolvers))}
	for _, r := range resolvers {
		if r != nil {
			d.resolvers = append(d.resolvers, r)
		}
	}
	return d
}

// Len returns the number of delegates.
func (d *Delegating) Len() int {
	if d == nil {
		return 0
	}
	return len(d.resolvers)
}

// Resolve implements Resolver. Failures of individual delegates are joined into
// the returned error; the map holds every successful delegate's output.
func (d *Delegating) Resolve(rec *session.Record) (map[string]string, error) {
	res := d.ResolveAll(rec)
	return res.Values, errors.Join(res.Errors...)
}

// ResolveAll runs every delegate against rec.
func (d *Delegating) ResolveAll(rec *session.Record) Resolution {
	res := Resolution{Values: map[string]string{}}
	if d == nil {
		return res
	}

	for i, r := range d.resolvers {
		values, err := safeResolve(r, rec)
		if err == nil {
			for name := range values {
				if _, taken := res.Values[name]; taken {
					err = fmt.Errorf("%w: %q", ErrNameCollision, name)
					break
				}
			}
		}
		if err != nil {
			res.Errors = append(res.Errors, &ResolverError{Position: i, Err: err})
			if named, ok := r.(NamedResolver); ok {
				res.Preserve = append(res.Preserve, named.IndexNames()...)
			} else {
				res.PreserveAll = true
			}
			continue
		}
		for name, value := range values {
			if value == "" {
				continue
			}
			res.Values[name] = value
		}
	}

	sort.Strings(res.Preserve)
	return res
}

func safeResolve(r Resolver, rec *session.Record) (values map[string]string, err error) {
	defer func() {
		if p := recover(); p != nil {
			values = nil
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Resolve(rec)
}

// AttributeResolver indexes the string value of a single attribute.
type AttributeResolver struct {
	Index     string
	Attribute string
}

func (a AttributeResolver) IndexNames() []string { return []string{a.Index} }

func (a AttributeResolver) Resolve(rec *session.Record) (map[string]string, error) {
	v, ok := rec.Attributes[a.Attribute]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("attribute %q is %T, want string", a.Attribute, v)
	}
	return map[string]string{a.Index: s}, nil
}
