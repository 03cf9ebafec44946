// Command huncwot runs the development loop. The loop builds the project's
// own main package, which calls huncwot.Main too, and runs its serve command
// behind the development server.
package main

import "github.com/kreteshq/huncwot/pkg/huncwot"

func main() {
	huncwot.Main()
}
