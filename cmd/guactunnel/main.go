// Command guactunnel bridges browser Guacamole websockets to guacd.
package main

func main() {
	Execute()
}
