package program

// rotations maps weekly frequency to the session type of each day.
// A one-day week gets the single most valuable session; the seven-day week
// adds active recovery and a full rest day.
var rotations = [MaxFrequency + 1][]SessionType{
	1: {Sprint},
	2: {Acceleration, Sprint},
	3: {Acceleration, Sprint, MaxVelocity},
	4: {Acceleration, MaxVelocity, Tempo, Sprint},
	5: {Acceleration, MaxVelocity, Tempo, SpeedEndurance, Sprint},
	6: {Acceleration, MaxVelocity, ActiveRecovery, SpeedEndurance, Tempo, Sprint},
	7: {Acceleration, MaxVelocity, ActiveRecovery, SpeedEndurance, Tempo, Sprint, Rest},
}

// sessionTypeFor applies the benchmark override, then the rotation.
func sessionTypeFor(frequency, week, day int) SessionType {
	if IsBenchmark(week, day) {
		return Benchmark
	}
	return rotations[frequency][day-1]
}

// IsBenchmark reports whether (week, day) is a time-trial slot.
func IsBenchmark(week, day int) bool {
	return day == 1 && week%BenchmarkEvery == 0
}
