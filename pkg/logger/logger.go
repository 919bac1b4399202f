package logger

import (
	"fmt"
	"log"
	"os"
)

// New returns a stdlib logger prefixed with the component name. Timer
// goroutines use it instead of the structured application logger because
// their messages carry no attributes.
func New(component string) *log.Logger {
	prefix := fmt.Sprintf("[%s] ", component)
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
}
