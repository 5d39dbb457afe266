package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a device goroutine that is still trying to deliver
// chunks nobody will consume.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
