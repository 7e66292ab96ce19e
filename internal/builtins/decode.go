// ABOUTME: Maps decoded tool arguments onto typed input structs.
// ABOUTME: Type mismatches surface as invalid-argument errors.

package builtins

import (
	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"

	"github.com/2389/mcpd/internal/mcp"
)

func decodeArguments(args map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "json",
	})
	if err != nil {
		return errors.Wrap(err, "creating argument decoder")
	}
	if err := decoder.Decode(args); err != nil {
		return errors.Wrapf(mcp.ErrInvalidArguments, "%v", err)
	}
	return nil
}
