package main

import "github.com/cartokit/layerlens/cmd"

func main() {
	cmd.Execute()
}
