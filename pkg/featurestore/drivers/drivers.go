// Package drivers groups database/sql driver registrations for the feature
// bitmask store so heavy dependencies stay out of lightweight go test/go
// vet runs unless a binary explicitly imports this package.
package drivers

// Ready is a no-op helper a main package can call to make the import
// explicit. Nothing in this module calls it; cmd/streetexplore and the
// test suites import the package blank instead.
func Ready() {}
