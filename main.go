// The main package for the fellowcrawl executable.
package main

import (
	"github.com/JakeFAU/fellowship-crawler/cmd"
)

func main() {
	cmd.Execute()
}
