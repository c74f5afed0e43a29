package counterparty

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	xerrors "AP2-Orchestrator/internal/errors"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://ap2.schemas.local/"

var (
	cartSchema    = mustCompile("cart_mandate.schema.json")
	paymentSchema = mustCompile("payment_response.schema.json")
)

func mustCompile(name string) *jsonschema.Schema {
	raw, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("counterparty: read schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBaseURL + name
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("counterparty: load schema %s: %v", name, err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("counterparty: compile schema %s: %v", name, err))
	}
	return s
}

// conform checks body against schema and reports every violation as a
// validation problem.
func conform(schema *jsonschema.Schema, body []byte, subject string) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("Invalid %s: malformed JSON", subject),
			xerrors.WithProblems("malformed JSON"))
	}
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	problems := []string{err.Error()}
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		problems = flatten(ve)
	}
	return xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("Invalid %s: schema violation", subject),
		xerrors.WithProblems(problems...),
		xerrors.WithMetadata("subject", subject))
}

func flatten(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, flatten(c)...)
	}
	return out
}
