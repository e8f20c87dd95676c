package exprocess

import "log"

// DefaultExitFn is called by functions whose names end in "OrExit"
// when an error occurs.
var DefaultExitFn = func(err error) {
	log.Fatalln(err)
}
