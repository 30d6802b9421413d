// Package provision maps verified token claims to local principals and
// creates accounts just in time when the provider is configured for it.
package provision

import "errors"

var (
	// ErrAttributeMissing indicates the token carries no value for the
	// configured identity claim.
	ErrAttributeMissing = errors.New("identity claim missing from token")

	// ErrNotUnique indicates the identity value matches more than one
	// local account. Authentication must fail rather than guess.
	ErrNotUnique = errors.New("identity matches more than one account")

	// ErrBackendNotAllowed indicates the matched account lives in a
	// directory backend the provider is not allowed to authenticate.
	ErrBackendNotAllowed = errors.New("account backend not allowed for this provider")

	// ErrProvisioningDenied indicates the provisioning gate claim does not
	// grant this user access.
	ErrProvisioningDenied = errors.New("provisioning requirement not satisfied")

	// ErrProvisioningDisabled indicates no local account exists and the
	// provider will not create one.
	ErrProvisioningDisabled = errors.New("auto provisioning is disabled")

	// ErrPrincipalNotFound indicates no local account matched and none was
	// created.
	ErrPrincipalNotFound = errors.New("no local account for identity")
)
