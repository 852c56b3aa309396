// Command strata drives the transactional persistence core: it runs a demo
// workload against a SQLite-backed store and inspects stored snapshots.
package main

func main() {
	execute()
}
