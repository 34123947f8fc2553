package location

import "errors"

// Errors shared by the location packages.
var (
	// ErrCatalogLoad means the location hierarchy could not be loaded.
	ErrCatalogLoad = errors.New("location catalog failed to load")

	// ErrGrantResolution means the user's permitted codes could not be determined.
	ErrGrantResolution = errors.New("location grant could not be resolved")

	// ErrBundleFetch means a whole bundle fetch failed for a location.
	ErrBundleFetch = errors.New("location bundle fetch failed")

	// ErrInvalidLocationSwitch means a switch targeted a code outside the grant.
	ErrInvalidLocationSwitch = errors.New("location is not in the user's grant")

	// ErrGeolocationUnavailable means no position could be obtained.
	ErrGeolocationUnavailable = errors.New("geolocation unavailable")

	// ErrLocationNotGranted is returned by prefetch for ungranted codes.
	ErrLocationNotGranted = errors.New("location not granted")
)
