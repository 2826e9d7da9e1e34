package main

import "github.com/ValentinKolb/freeze/cmd"

func main() {
	cmd.Execute()
}
