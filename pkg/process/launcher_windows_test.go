package process

func runPlatformHelper(string) int {
	return 2
}
