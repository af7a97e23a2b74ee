package main

import "github.com/raid-guild/dungeon-master-worker/cmd"

func main() {
	cmd.Execute()
}
