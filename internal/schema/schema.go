// Package schema validates config documents and records against the
// JSON-Schema-like documents plugins declare.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// DefaultCacheSize bounds the number of compiled schemas kept in memory.
const DefaultCacheSize = 256

// Problem is one violated constraint.
type Problem struct {
	Location string
	Message  string
}

// ViolationError lists every constraint a document failed.
type ViolationError struct {
	Problems []Problem
}

func (e *ViolationError) Error() string {
	if len(e.Problems) == 0 {
		return "document does not match schema"
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("%s: %s", p.Location, p.Message))
	}
	return strings.Join(parts, "; ")
}

// Details renders the problems as a record for error payloads.
func (e *ViolationError) Details() record.Record {
	items := make([]record.Value, 0, len(e.Problems))
	for _, p := range e.Problems {
		items = append(items, record.Map(record.Record{
			"location": record.String(p.Location),
			"message":  record.String(p.Message),
		}))
	}
	return record.Record{"problems": record.List(items...)}
}

// InvalidSchemaError reports a schema document that does not compile.
type InvalidSchemaError struct {
	Err error
}

func (e *InvalidSchemaError) Error() string {
	return fmt.Sprintf("invalid schema: %v", e.Err)
}

// Unwrap exposes the compiler error.
func (e *InvalidSchemaError) Unwrap() error { return e.Err }

// Validator compiles schemas once and caches them by content.
// It is safe for concurrent use.
type Validator struct {
	cache *lru.Cache[string, *jsonschema.Schema]
}

// NewValidator returns a Validator keeping up to size compiled schemas.
func NewValidator(size int) (*Validator, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *jsonschema.Schema](size)
	if err != nil {
		return nil, err
	}
	return &Validator{cache: cache}, nil
}

// Compile returns the compiled form of doc, from cache when possible.
func (v *Validator) Compile(doc record.Record) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &InvalidSchemaError{Err: err}
	}
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	if compiled, ok := v.cache.Get(key); ok {
		return compiled, nil
	}

	url := "mem://schema/" + key + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, &InvalidSchemaError{Err: err}
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, &InvalidSchemaError{Err: err}
	}

	v.cache.Add(key, compiled)
	return compiled, nil
}

// Validate checks doc against schemaDoc. An empty schema accepts anything.
func (v *Validator) Validate(schemaDoc, doc record.Record) error {
	if len(schemaDoc) == 0 {
		return nil
	}
	compiled, err := v.Compile(schemaDoc)
	if err != nil {
		return err
	}

	if doc == nil {
		doc = record.Record{}
	}
	if err := compiled.Validate(doc.Native()); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ViolationError{Problems: problemsOf(ve)}
		}
		return err
	}
	return nil
}

// Len reports how many compiled schemas are cached.
func (v *Validator) Len() int {
	return v.cache.Len()
}

func problemsOf(ve *jsonschema.ValidationError) []Problem {
	var problems []Problem
	for _, unit := range ve.BasicOutput().Errors {
		if unit.Error == "" || strings.HasPrefix(unit.Error, "doesn't validate with") {
			continue
		}
		location := unit.InstanceLocation
		if location == "" {
			location = "/"
		}
		problems = append(problems, Problem{Location: location, Message: unit.Error})
	}
	if len(problems) == 0 {
		problems = append(problems, Problem{Location: "/", Message: ve.Message})
	}
	sort.SliceStable(problems, func(i, j int) bool { return problems[i].Location < problems[j].Location })
	return problems
}
