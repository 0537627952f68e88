package pseudonym

import "encoding/xml"

// fhirNamespace is the XML namespace of every FHIR resource.
const fhirNamespace = "http://hl7.org/fhir"

// Parameter roles used by the pseudonymization operations.
const (
	roleOriginal  = "original"
	rolePseudonym = "pseudonym"
)

// valueAttr is the FHIR primitive encoding: the payload sits in a `value`
// attribute, e.g. <name value="target"/>.
type valueAttr struct {
	Value string `xml:"value,attr"`
}

// identifier is a FHIR Identifier; only its value matters here.
type identifier struct {
	System *valueAttr `xml:"system,omitempty"`
	Value  valueAttr  `xml:"value"`
}

// parameter is one entry of a Parameters resource. Requests use Name plus
// ValueString; responses nest original/pseudonym pairs as Parts.
type parameter struct {
	Name            valueAttr   `xml:"name"`
	ValueString     *valueAttr  `xml:"valueString,omitempty"`
	ValueIdentifier *identifier `xml:"valueIdentifier,omitempty"`
	Parts           []parameter `xml:"part,omitempty"`
}

// parameters is the FHIR Parameters resource used as request and response
// envelope by both gPAS and the MII service.
type parameters struct {
	XMLName   xml.Name    `xml:"Parameters"`
	Namespace string      `xml:"xmlns,attr"`
	ID        *valueAttr  `xml:"id,omitempty"`
	Parameter []parameter `xml:"parameter"`
}

// newRequest builds the request envelope: one `target` parameter carrying
// the domain, optionally `allowCreate`, then one parameter per value under
// the given role name.
func newRequest(domain, role string, allowCreate bool, values []string) *parameters {
	params := &parameters{
		Namespace: fhirNamespace,
		ID:        &valueAttr{Value: "Pseudonymization-DicomShield"},
	}
	params.Parameter = append(params.Parameter, parameter{
		Name:        valueAttr{Value: "target"},
		ValueString: &valueAttr{Value: domain},
	})
	if allowCreate {
		params.Parameter = append(params.Parameter, parameter{
			Name:        valueAttr{Value: "allowCreate"},
			ValueString: &valueAttr{Value: "true"},
		})
	}
	for _, v := range values {
		params.Parameter = append(params.Parameter, parameter{
			Name:        valueAttr{Value: role},
			ValueString: &valueAttr{Value: v},
		})
	}
	return params
}

// mapping is one original/pseudonym pair extracted from a response.
type mapping struct {
	Original  string
	Pseudonym string
}

// mappings walks the response parameters and collects every complete
// original/pseudonym pair. Parameters missing either part are skipped, which
// is how the service reports unknown pseudonyms.
func (p *parameters) mappings() []mapping {
	var result []mapping
	for _, param := range p.Parameter {
		var m mapping
		for _, part := range param.Parts {
			if part.ValueIdentifier == nil {
				continue
			}
			switch part.Name.Value {
			case roleOriginal:
				m.Original = part.ValueIdentifier.Value.Value
			case rolePseudonym:
				m.Pseudonym = part.ValueIdentifier.Value.Value
			}
		}
		if m.Original != "" && m.Pseudonym != "" {
			result = append(result, m)
		}
	}
	return result
}

// forward returns {original -> pseudonym}.
func forward(ms []mapping) map[string]string {
	out := make(map[string]string, len(ms))
	for _, m := range ms {
		out[m.Original] = m.Pseudonym
	}
	return out
}

// inverse returns {pseudonym -> original}.
func inverse(ms []mapping) map[string]string {
	out := make(map[string]string, len(ms))
	for _, m := range ms {
		out[m.Pseudonym] = m.Original
	}
	return out
}
