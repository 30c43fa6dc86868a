// Command orchestrator drives a fleet of worker subprocesses against a
// persistent, dependency-ordered feature queue.
package main

func main() {
	Execute()
}
