package hypervisor

import (
	"fmt"
	"io"
	"os"
)

// consolePipes holds the host ends of the VM serial console.
// inputWriter feeds the VM; outputReader carries what the VM prints.
type consolePipes struct {
	inputWriter  *os.File
	outputReader *os.File
}

// open creates both pipes and returns the VM ends.
func (p *consolePipes) open() (vmIn *os.File, vmOut *os.File, err error) {
	inputReader, inputWriter, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create input pipe: %w", err)
	}
	outputReader, outputWriter, err := os.Pipe()
	if err != nil {
		inputReader.Close()
		inputWriter.Close()
		return nil, nil, fmt.Errorf("create output pipe: %w", err)
	}
	p.inputWriter = inputWriter
	p.outputReader = outputReader
	return inputReader, outputWriter, nil
}

func (p *consolePipes) handles(driver string) (io.Writer, io.Reader, error) {
	if p.inputWriter == nil || p.outputReader == nil {
		return nil, nil, fmt.Errorf("%s: console not initialized", driver)
	}
	return p.inputWriter, p.outputReader, nil
}

func (p *consolePipes) close() error {
	var errs []error
	if p.inputWriter != nil {
		if err := p.inputWriter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input pipe: %w", err))
		}
		p.inputWriter = nil
	}
	if p.outputReader != nil {
		if err := p.outputReader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output pipe: %w", err))
		}
		p.outputReader = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("close console: %v", errs)
	}
	return nil
}
