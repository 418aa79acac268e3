package main

import "github.com/Martian-dev/mail-mirror/internal/app"

func main() {
	app.Execute()
}
