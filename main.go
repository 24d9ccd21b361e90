// The main package for the productscraper executable.
package main

import (
	"github.com/JakeFAU/product-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
