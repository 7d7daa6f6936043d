package main

import "github.com/feminafit/ms-go-payments/cmd"

func main() {
	cmd.Execute()
}
