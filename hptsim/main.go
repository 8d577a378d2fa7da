// Command hptsim boots a simulated hash-MMU machine and exercises its kernel
// mapping interface.
package main

import "github.com/sarchlab/hptsim/hptsim/cmd"

func main() {
	cmd.Execute()
}
