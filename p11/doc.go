// Package p11 provides a thin adapter over PKCS#11 provider libraries
// loaded with github.com/miekg/pkcs11.
//
// The package exposes:
//   - Ctx, the subset of the PKCS#11 API used to inventory tokens
//   - Module, a Ctx that also owns the library lifetime and reports slot events
//   - Library, the Module backed by a loaded shared object
//   - Session, a scoped session with guaranteed logout and close
//
// Errors returned by the provider keep their pkcs11.Error status code through
// wrapping, so callers can classify them with IsNoEvent and IsProviderError.
package p11
