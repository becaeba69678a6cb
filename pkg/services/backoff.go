package services

import "time"

// retryDelayCap bounds the exponential backoff between processing attempts.
const retryDelayCap = time.Hour

// RetryDelay returns the wait before the next processing attempt for an
// event that has already failed retryCount times. The delay starts at one
// minute, doubles per recorded failure, and is capped at one hour.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 60 * 2^6 seconds already exceeds the cap, so avoid shifting further.
	if retryCount >= 6 {
		return retryDelayCap
	}
	delay := time.Duration(60<<uint(retryCount)) * time.Second
	if delay > retryDelayCap {
		return retryDelayCap
	}
	return delay
}
