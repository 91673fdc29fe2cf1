package main

import (
	"gstinvoice-backend/cmd/gstinvoice/commands"
	"gstinvoice-backend/pkg/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
