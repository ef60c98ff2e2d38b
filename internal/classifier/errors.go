package classifier

import "fmt"

func errMissingArg(opt string) error {
	return fmt.Errorf("option %s requires an argument", opt)
}

func errTooHard(opt string) error {
	return fmt.Errorf("option %s is not supported for caching", opt)
}

func errTooHardDirect(opt string) error {
	return fmt.Errorf("option %s disables direct mode", opt)
}

func errDuplicateWa() error {
	return fmt.Errorf("-Wa,-a given more than once")
}

func errDuplicateDepFile() error {
	return fmt.Errorf("dependency output file set by more than one option")
}

func errModulesUnsupported() error {
	return fmt.Errorf("-fmodules requires the modules sloppiness bit and depend mode")
}

func errMultiplePCH() error {
	return fmt.Errorf("more than one precompiled header detected")
}

func errMultipleInputs() error {
	return fmt.Errorf("more than one input file given")
}

func errNoInputFile() error {
	return fmt.Errorf("no input file")
}

func errUnknownLanguage(path string) error {
	return fmt.Errorf("cannot determine source language for %q", path)
}
