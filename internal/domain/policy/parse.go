package policy

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// document is the YAML policy file schema.
//
//	policies:
//	  - id: permit-read
//	    effect: permit
//	    action: {id: "action::read"}
//	    when: 'context.environment == "prod"'
type document struct {
	Policies []Policy `yaml:"policies"`
}

// ParseDocument reads the YAML policy document into its raw policies.
// Unknown fields are rejected so schema typos fail at reload time
// instead of silently matching nothing. Guard compilation and the rest
// of validation happen in NewSet.
func ParseDocument(src []byte) ([]Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			// An empty document is an empty (deny-everything) set.
			return nil, nil
		}
		return nil, fmt.Errorf("policy document: %w", err)
	}
	return doc.Policies, nil
}

// ParseSet reads a YAML policy document and compiles it into a Set.
func ParseSet(src []byte) (*Set, error) {
	policies, err := ParseDocument(src)
	if err != nil {
		return nil, err
	}
	return NewSet(policies)
}
