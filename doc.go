// Package sigkit provides functionality for locating and patching code
// and data in the memory of a running process.
//
// APIs are separated into subpackages, and documented accordingly.
// The sig package compiles wildcard byte signatures, the scan package
// resolves matches to final addresses using a small post-match
// instruction set, and the patch package overwrites bytes at a resolved
// address while guaranteeing the original bytes can be restored.
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package sigkit
