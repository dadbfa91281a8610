package main

import (
	_ "time/tzdata"

	"github.com/Ananth-NQI/wabot/cmd"
)

func main() {
	cmd.Execute()
}
