// Package permission holds the static permission catalog of the back office:
// permission keys and labels, legacy aliases, implied dependencies, profile
// presets, and the [Requirement] variant attached to guarded actions.
//
// # Architecture boundaries
//
// The catalog is data, not policy authoring: it is built once (see
// [DefaultCatalog]) and never mutated afterwards. Account permission sets are
// always passed through [Catalog.Sanitize] before they are stored or checked.
//
// # What this package must NOT do
//
//   - Perform I/O or depend on account storage.
//   - Import the root gatekeeper package.
package permission
