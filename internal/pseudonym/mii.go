package pseudonym

import "context"

// MII service operation endpoints. Creation-if-missing is requested with an
// explicit allowCreate parameter.
const (
	miiPseudonymizeOp   = "$pseudonymize"
	miiDepseudonymizeOp = "$de-pseudonymize"
)

// MIIClient talks to an MII pseudonymization service.
type MIIClient struct {
	*core
}

// Pseudonymize returns {original -> pseudonym}, creating missing pseudonyms.
func (c *MIIClient) Pseudonymize(ctx context.Context, values map[string]string) (map[string]string, error) {
	pairs, err := c.operate(ctx, miiPseudonymizeOp, roleOriginal, true, values)
	if err != nil {
		return nil, err
	}
	return forward(pairs), nil
}

// Depseudonymize returns {pseudonym -> original}. Unknown pseudonyms are
// absent from the result.
func (c *MIIClient) Depseudonymize(ctx context.Context, values map[string]string) (map[string]string, error) {
	pairs, err := c.operate(ctx, miiDepseudonymizeOp, rolePseudonym, false, values)
	if err != nil {
		return nil, err
	}
	return inverse(pairs), nil
}
