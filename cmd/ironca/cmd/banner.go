package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _____                  _____          
 |_   _|                / ____|   /\    
   | |  _ __ ___  _ __ | |       /  \   
   | | | '__/ _ \| '_ \| |      / /\ \  
  _| |_| | | (_) | | | | |____ / ____ \ 
 |_____|_|  \___/|_| |_|\_____/_/    \_\
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
