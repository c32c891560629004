// Command correlate runs the forensic artifact correlation pipeline and
// queries its Result Store.
package main

import "os"

func main() {
	os.Exit(int(run()))
}
