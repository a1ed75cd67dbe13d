package cmd

import (
	"io"

	"github.com/fatih/color"
)

const banner = `
     _                                       
  __| | ___   ___  _ __ _ __ ___   __ _ _ __  
 / _` + "`" + ` |/ _ \ / _ \| '__| '_ ` + "`" + ` _ \ / _` + "`" + ` | '_ \ 
| (_| | (_) | (_) | |  | | | | | | (_| | | | |
 \__,_|\___/ \___/|_|  |_| |_| |_|\__,_|_| |_|
                                              
`

func printBanner(w io.Writer) {
	color.New(color.FgBlue).Fprint(w, banner)
	color.New(color.FgGreen).Fprintf(w, "  Discord sign-in gate - Version %s\n\n", Version)
}
