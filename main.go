// Command renderfetch fetches rendered HTML for lists of URLs.
package main

import (
	"github.com/JakeFAU/renderfetch/cmd"
)

func main() {
	cmd.Execute()
}
