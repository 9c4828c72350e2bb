// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type ErrHelpPageRequested struct {
	helpMessage string
}

func (err ErrHelpPageRequested) Error() string {
	return err.helpMessage
}

type ErrCommandNotFound struct {
	commandName string
}

func (err ErrCommandNotFound) Error() string {
	return fmt.Sprintf("unknown command '%s'", err.commandName)
}

type ErrInvalidOption struct {
	option string
}

func (err ErrInvalidOption) Error() string {
	return fmt.Sprintf("invalid option -- '%s'", err.option)
}

type ErrInvalidValue struct {
	parameter string
	value     string
	cause     error
}

func (err ErrInvalidValue) Error() string {
	return fmt.Sprintf("invalid value '%s' for --%s: %s", err.value, err.parameter, err.cause)
}

type parameterKind int

const (
	kindRequired parameterKind = iota
	kindOptional
	// switches take no value, their presence means "true"
	kindSwitch
)

type parameter struct {
	kind         parameterKind
	short        string
	name         string
	description  string
	placeholder  string
	defaultValue string

	value string
	given bool
}

func (param *parameter) long() string {
	return "--" + param.name
}

// matches accepts "--name", "-n" and their "=value" forms.
func (param *parameter) matches(argument string) (inlineValue string, hasInline bool, ok bool) {
	name, value, hasValue := strings.Cut(argument, "=")
	if name != param.long() && (param.short == "" || name != param.short) {
		return "", false, false
	}
	return value, hasValue, true
}

func (param *parameter) help() string {
	line := fmt.Sprintf("    %s/%s - %s", param.short, param.long(), param.description)
	if param.defaultValue != "" {
		line += fmt.Sprintf(" (default %s)", param.defaultValue)
	}
	return line
}

func (param *parameter) usage() string {
	var flag string
	if param.kind == kindSwitch {
		flag = fmt.Sprintf("%s|%s", param.short, param.long())
	} else {
		flag = fmt.Sprintf("%s|%s %s", param.short, param.long(), param.placeholder)
	}
	if param.kind == kindRequired {
		return flag
	}
	return "[" + flag + "]"
}

func (param *parameter) resolve() (string, bool) {
	switch {
	case param.given:
		return param.value, true
	case param.defaultValue != "":
		return param.defaultValue, true
	}
	return "", false
}

type Command struct {
	name        string
	description string
	// declaration order, used by help and usage
	parameters []*parameter
	byName     map[string]*parameter
}

func newCommand(name, description string) *Command {
	return &Command{
		name:        name,
		description: description,
		byName:      make(map[string]*parameter),
	}
}

func (command *Command) add(param *parameter) *Command {
	if previous, ok := command.byName[param.name]; ok {
		*previous = *param
		return command
	}
	command.parameters = append(command.parameters, param)
	command.byName[param.name] = param
	return command
}

func (command *Command) AddParameter(
	short string,
	name string,
	description string,
	shortDescription string,
	required bool,
) *Command {
	kind := kindOptional
	if required {
		kind = kindRequired
	}
	return command.add(&parameter{
		kind:        kind,
		short:       short,
		name:        name,
		description: description,
		placeholder: shortDescription,
	})
}

// AddOption adds an optional parameter that falls back to defaultValue.
func (command *Command) AddOption(
	short string,
	name string,
	description string,
	shortDescription string,
	defaultValue string,
) *Command {
	return command.add(&parameter{
		kind:         kindOptional,
		short:        short,
		name:         name,
		description:  description,
		placeholder:  shortDescription,
		defaultValue: defaultValue,
	})
}

// AddSwitch adds a boolean parameter that takes no value.
func (command *Command) AddSwitch(short, name, description string) *Command {
	return command.add(&parameter{
		kind:        kindSwitch,
		short:       short,
		name:        name,
		description: description,
	})
}

func (command *Command) usage() string {
	var builder strings.Builder
	builder.WriteString(command.name)
	for _, param := range command.parameters {
		builder.WriteString(" ")
		builder.WriteString(param.usage())
	}
	return builder.String()
}

func (command *Command) Help() string {
	if len(command.parameters) == 0 {
		return command.description + "\n"
	}
	var builder strings.Builder
	builder.WriteString(command.description)
	builder.WriteString("\n  Options:")
	for _, param := range command.parameters {
		builder.WriteString("\n")
		builder.WriteString(param.help())
	}
	return builder.String()
}

func (command *Command) lookup(argument string) (param *parameter, inlineValue string, hasInline bool) {
	for _, candidate := range command.parameters {
		if value, inline, ok := candidate.matches(argument); ok {
			return candidate, value, inline
		}
	}
	return nil, "", false
}

func (command *Command) ParseArgs(args []string) error {
	if len(args) > 0 && (args[0] == "--help" || args[0] == "-h") {
		return &ErrHelpPageRequested{helpMessage: command.Help()}
	}
	for i := 0; i < len(args); i++ {
		param, inlineValue, hasInline := command.lookup(args[i])
		if param == nil || param.given {
			return &ErrInvalidOption{option: args[i]}
		}
		switch {
		case hasInline:
			param.value = inlineValue
		case param.kind == kindSwitch:
			param.value = "true"
		case i+1 < len(args):
			i++
			param.value = args[i]
		default:
			return errors.Errorf("missing value for %s", param.long())
		}
		param.given = true
	}
	var missing []string
	for _, param := range command.parameters {
		if param.kind == kindRequired && !param.given {
			missing = append(missing, "Missing parameter:\n"+param.help())
		}
	}
	if len(missing) > 0 {
		return errors.New(strings.Join(missing, "\n"))
	}
	return nil
}

func (command *Command) GetParameter(parameterName string) (string, error) {
	param, ok := command.byName[parameterName]
	if !ok {
		return "", errors.Errorf("command %s has no parameter %s", command.name, parameterName)
	}
	value, ok := param.resolve()
	if !ok {
		return "", errors.Errorf("missing parameter %s", parameterName)
	}
	return value, nil
}

// IsSet reports whether the parameter was given on the command line.
func (command *Command) IsSet(parameterName string) bool {
	param, ok := command.byName[parameterName]
	return ok && param.given
}

func (command *Command) GetUint(parameterName string, bitSize int) (uint64, error) {
	value, err := command.GetParameter(parameterName)
	if err != nil {
		return 0, err
	}
	number, err := strconv.ParseUint(value, 0, bitSize)
	if err != nil {
		return 0, &ErrInvalidValue{parameter: parameterName, value: value, cause: err}
	}
	return number, nil
}

func (command *Command) GetDuration(parameterName string) (time.Duration, error) {
	value, err := command.GetParameter(parameterName)
	if err != nil {
		return 0, err
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, &ErrInvalidValue{parameter: parameterName, value: value, cause: err}
	}
	return duration, nil
}

// GetBool is false for switches that were not given.
func (command *Command) GetBool(parameterName string) (bool, error) {
	if param, ok := command.byName[parameterName]; ok && param.kind == kindSwitch && !param.given {
		return false, nil
	}
	value, err := command.GetParameter(parameterName)
	if err != nil {
		return false, err
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, &ErrInvalidValue{parameter: parameterName, value: value, cause: err}
	}
	return result, nil
}

type CommandList struct {
	name        string
	description string
	commands    []*Command
	// set by Parse
	current *Command
}

func NewCommandList(name, description string) *CommandList {
	return &CommandList{name: name, description: description}
}

func (cmdList *CommandList) AddCommand(name, description string) *Command {
	command := newCommand(name, description)
	cmdList.commands = append(cmdList.commands, command)
	return command
}

func (cmdList *CommandList) GetCommand(name string) (*Command, bool) {
	for _, command := range cmdList.commands {
		if command.name == name {
			return command, true
		}
	}
	return nil, false
}

func (cmdList *CommandList) Help() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s - %s\nUsage:\n", cmdList.name, cmdList.description)
	for _, command := range cmdList.commands {
		fmt.Fprintf(&builder, "%s %s\n", cmdList.name, command.usage())
	}
	builder.WriteString("\nSupported commands:")
	for i, command := range cmdList.commands {
		if i > 0 {
			builder.WriteString("\n")
		}
		fmt.Fprintf(&builder, "\n* '%s': %s", command.name, command.Help())
	}
	return builder.String()
}

// Parse takes os.Args: the program name, the command name, then its parameters.
func (cmdList *CommandList) Parse(args []string) error {
	if len(args) < 2 {
		return &ErrHelpPageRequested{helpMessage: cmdList.Help()}
	}
	command, ok := cmdList.GetCommand(args[1])
	if !ok {
		switch args[1] {
		case "--help", "-h", "help":
			return &ErrHelpPageRequested{helpMessage: cmdList.Help()}
		}
		return &ErrCommandNotFound{commandName: args[1]}
	}
	if err := command.ParseArgs(args[2:]); err != nil {
		return err
	}
	cmdList.current = command
	return nil
}

func (cmdList *CommandList) GetCurrentCommand() (commandName string, command *Command) {
	if cmdList.current == nil {
		return "", nil
	}
	return cmdList.current.name, cmdList.current
}
