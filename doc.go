// Package fastqueue provides a big, fast, and persistent FIFO queue of
// byte messages backed by fixed-size memory-mapped page files.
//
// Producers append opaque byte payloads and consumers dequeue them in
// insertion order. Queue capacity is bounded only by available disk space,
// while the hot path resolves a record to a memory address inside a mapped
// page, so throughput approaches direct memory access.
//
// Storage is organized as three parallel page streams managed per queue
// directory: a data stream holding raw payloads, a metadata stream holding
// one fixed slot per record, and an index stream persisting the head
// index. A fourth single-page stream persists the queue front cursor.
// Mapped pages are cached with reference counting and TTL-based lazy
// eviction; a page handed out to a caller is never unmapped underneath it.
//
// Example usage:
//
//	q, err := fastqueue.Open("/var/data", "events")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer q.Close()
//
//	if err := q.Enqueue([]byte("hello")); err != nil {
//		log.Fatal(err)
//	}
//
//	data, err := q.Dequeue()
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("%s\n", data)
//
// A queue directory must not be shared between processes.
package fastqueue
