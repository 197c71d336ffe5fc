// Package validation registers the custom validator.v8 tags the API's
// request structs bind against: chain addresses and transaction hashes,
// the wire formats apierr.handleValidationErrors already knows how to
// report.
package validation

import (
	"reflect"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	validator "gopkg.in/go-playground/validator.v8"

	"github.com/stablegate/stablegate/build"
)

var log = build.AddSubLogger("VALD")

const (
	evmaddress = "evmaddress"
	txhash     = "txhash"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// isValidEVMAddress checks that a field decodes as a 20-byte hex address.
func isValidEVMAddress(
	_ *validator.Validate, _ reflect.Value, _ reflect.Value,
	field reflect.Value, _ reflect.Type, _ reflect.Kind, _ string) bool {
	return common.IsHexAddress(field.String())
}

// isValidTxHash checks that a field is a 32-byte hex transaction hash.
func isValidTxHash(
	_ *validator.Validate, _ reflect.Value, _ reflect.Value,
	field reflect.Value, _ reflect.Type, _ reflect.Kind, _ string) bool {
	return txHashPattern.MatchString(field.String())
}

// registerValidator registers a validator in our validation engine with the
// given name.
func registerValidator(engine *validator.Validate, name string, function validator.Func) error {
	if err := engine.RegisterValidation(name, function); err != nil {
		return errors.Wrapf(err, "could not register %q validation", name)
	}
	return nil
}

// RegisterAllValidators registers all custom validators to the Validator
// engine, quitting if this results in an error. This should be called at
// startup, before the engine is used to bind any request.
func RegisterAllValidators(engine *validator.Validate) []string {
	type namedValidator struct {
		Name     string
		Function validator.Func
	}
	validators := []namedValidator{
		{Name: evmaddress, Function: isValidEVMAddress},
		{Name: txhash, Function: isValidTxHash},
	}

	names := make([]string, len(validators))
	for i, v := range validators {
		names[i] = v.Name
		if err := registerValidator(engine, v.Name, v.Function); err != nil {
			log.Fatalf("fatal error during validation registration: %s", err)
		}
	}
	return names
}
