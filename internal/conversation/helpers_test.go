package conversation_test

import "github.com/MrWong99/boardobserver/internal/wake"

func wakeDetector(phrases ...string) *wake.Detector {
	return wake.New(wake.WithPhrases(phrases))
}
