package main

import "github.com/AlexKimmel/cellgate/cmd/cellgate/cmd"

func main() {
	cmd.Execute()
}
