package main

import (
	// embedded zone database for the timezone setting on minimal hosts
	_ "time/tzdata"

	"loop-dosing/internal/cli"
)

func main() {
	cli.Execute()
}
