// Package builtins provides the in-process tool and resource packs served by
// every session.
//
// # Demo Pack (builtin:demo)
//
//   - add: returns the sum of two numbers as text
//   - greeting://{name}: a resource template greeting the named person
//
// Tool arguments arrive as a decoded JSON object and are mapped onto typed
// structs with mapstructure before validation.
package builtins
