package main

import (
	"os"

	"horse.fit/issue-index/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
