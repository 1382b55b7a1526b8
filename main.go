package main

import "pmpsync/cmd"

func main() {
	cmd.Execute()
}
