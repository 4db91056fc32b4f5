// Command akkaradb is left as a thin placeholder: the public façade and CLI
// inspector that would sit on top of the engine package are a separate
// concern from the storage core built here.
package main

func main() {
}
