package main

import "github.com/stevelea/evconduit-homeassistant/cmd"

func main() {
	cmd.Execute()
}
