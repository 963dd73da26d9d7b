// Package errs defines the error kinds surfaced across components (§7)
// as sentinel errors, wrapped with context via fmt.Errorf("...: %w", ...)
// at call sites and unwrapped with errors.Is/errors.As by callers.
package errs

import "errors"

var (
	// ErrAuthExpired is raised by the vehicle gateway and token manager
	// when a request fails because the access token has expired.
	ErrAuthExpired = errors.New("auth expired")

	// ErrAuthForbidden is raised by the vehicle gateway when the vendor
	// API rejects a request as unauthorized for reasons refresh cannot fix.
	ErrAuthForbidden = errors.New("auth forbidden")

	// ErrVehicleOffline is raised when a caller requires fresh vehicle
	// data but the vehicle is not online and the caller may not wake it.
	ErrVehicleOffline = errors.New("vehicle offline")

	// ErrVehicleAsleep is raised when the vehicle is asleep.
	ErrVehicleAsleep = errors.New("vehicle asleep")

	// ErrProxyRequired is raised when a signed command is attempted
	// without the signing proxy being up.
	ErrProxyRequired = errors.New("signed command proxy required")

	// ErrPrivateKeyNotReady is raised by the proxy supervisor when the
	// prerequisite private key file is missing or empty.
	ErrPrivateKeyNotReady = errors.New("private key not ready")

	// ErrPlannerUnavailable is raised by the pricing client when the
	// planner API cannot be reached or returns an error.
	ErrPlannerUnavailable = errors.New("planner unavailable")

	// ErrSheetRowMalformed is raised when a spreadsheet row cannot be
	// parsed into a special-charging need.
	ErrSheetRowMalformed = errors.New("sheet row malformed")

	// ErrOverlapConflict marks a schedule slot dropped by the overlap
	// resolver in favor of a higher-priority slot.
	ErrOverlapConflict = errors.New("overlap conflict")

	// ErrCycleTimeout is raised when a worker cycle exceeds its
	// application-level timeout and is abandoned.
	ErrCycleTimeout = errors.New("cycle timeout")

	// ErrJobAlreadyExists is raised by the job registrar's create path
	// when a job with the same name is already registered.
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrNotFound is a generic not-found sentinel for store lookups.
	ErrNotFound = errors.New("not found")
)
