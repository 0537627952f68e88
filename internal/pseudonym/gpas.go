package pseudonym

import "context"

// gPAS operation endpoints. Creation-if-missing is a dedicated operation
// rather than a parameter.
const (
	gpasPseudonymizeOp   = "$pseudonymizeAllowCreate"
	gpasDepseudonymizeOp = "$dePseudonymize"
)

// GPASClient talks to a gPAS instance.
type GPASClient struct {
	*core
}

// Pseudonymize returns {original -> pseudonym}, creating missing pseudonyms.
func (c *GPASClient) Pseudonymize(ctx context.Context, values map[string]string) (map[string]string, error) {
	pairs, err := c.operate(ctx, gpasPseudonymizeOp, roleOriginal, false, values)
	if err != nil {
		return nil, err
	}
	return forward(pairs), nil
}

// Depseudonymize returns {pseudonym -> original}. Unknown pseudonyms are
// absent from the result.
func (c *GPASClient) Depseudonymize(ctx context.Context, values map[string]string) (map[string]string, error) {
	pairs, err := c.operate(ctx, gpasDepseudonymizeOp, rolePseudonym, false, values)
	if err != nil {
		return nil, err
	}
	return inverse(pairs), nil
}
