package main

import "github.com/audiolibrelab/fairrecord/cmd"

func main() {
	cmd.Execute()
}
