package main

import (
	"github.com/kazz187/agentcorp/pkg/sentinel"
)

func runSentinel() {
	sentinel.Run()
}
