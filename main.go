package main

import "github.com/ValentinKolb/skv/cmd"

func main() {
	cmd.Execute()
}
