package winbuild

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/cochaviz/stage4/arch"
	"github.com/cochaviz/stage4/internal/settings"
)

const (
	// hookFile is copied next to the answer file and registers the logon
	// hook on first logon.
	hookFile = "HOOK.BAT"
	// payloadEntry is the batch file the logon hook looks for on CD drives.
	payloadEntry = "STAGE4.BAT"
	runKey       = `HKLM\Software\Microsoft\Windows\CurrentVersion\Run`
	hookValue    = "stage4"
	computerName = "STAGE4"
	userName     = "stage4"
)

type answerData struct {
	ProductKey string
	Edition    settings.Edition
	Lang       settings.Lang
	Arch       arch.Architecture
	Timezone   timezone
	Hook       bool
}

func renderAnswerTemplate(name, src string, data any) (string, error) {
	tmpl, err := template.New(name).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s template: %w", name, err)
	}
	// the Windows installers expect DOS line endings
	return strings.ReplaceAll(buf.String(), "\n", "\r\n"), nil
}

const msbatchTemplate = `[Setup]
Express=1
InstallType=1
ProductKey="{{ .ProductKey }}"
EBD=0
ShowEula=0
ChangeDir=0
OptionalComponents=1
Network=1
CCP=0
CleanBoot=0
Display=0
DevicePath=0
NoDirWarn=1
TimeZone="{{ .Timezone }}"
Uninstall=0
VRC=0
NoPrompt2Boot=1

[System]
Locale={{ .Locale }}

[NameAndOrg]
Name="{{ .User }}"
Org="{{ .User }}"
Display=0

[Network]
ComputerName="{{ .Computer }}"
Workgroup="WORKGROUP"
Display=0
`

func renderMSBatch(_ *profile, d answerData) (string, error) {
	return renderAnswerTemplate("MSBATCH.INF", msbatchTemplate, map[string]any{
		"ProductKey": d.ProductKey,
		"Timezone":   d.Timezone.win98,
		"Locale":     "L" + localeID(d.Lang)[4:],
		"User":       userName,
		"Computer":   computerName,
	})
}

const winntTemplate = `[Data]
AutoPartition=1
MsDosInitiated="0"
UnattendedInstall="Yes"

[Unattended]
UnattendMode=FullUnattended
OemSkipEula=Yes
OemPreinstall=No
TargetPath=\WINDOWS
Repartition=Yes
UnattendSwitch="Yes"
WaitForReboot="No"
DriverSigningPolicy=Ignore
NonDriverSigningPolicy=Ignore

[GuiUnattended]
AdminPassword=*
EncryptedAdminPassword=No
AutoLogon=Yes
AutoLogonCount=999
OEMSkipRegional=1
OemSkipWelcome=1
TimeZone={{ .TimezoneIndex }}

[UserData]
ProductKey="{{ .ProductKey }}"
FullName="{{ .User }}"
OrgName="{{ .User }}"
ComputerName="{{ .Computer }}"

[RegionalSettings]
LanguageGroup={{ .LanguageGroup }}
Language={{ .Locale }}

[Identification]
JoinWorkgroup=WORKGROUP

[Networking]
InstallDefaultComponents=Yes

[GuiRunOnce]
{{- if .Hook }}
Command0="A:\{{ .HookFile }}"
{{- else }}
Command0="shutdown -s -t 60"
{{- end }}
`

func renderWinntSif(_ *profile, d answerData) (string, error) {
	return renderAnswerTemplate("WINNT.SIF", winntTemplate, map[string]any{
		"TimezoneIndex": d.Timezone.winXP,
		"ProductKey":    d.ProductKey,
		"User":          userName,
		"Computer":      computerName,
		"LanguageGroup": languageGroup(d.Lang),
		"Locale":        localeID(d.Lang),
		"Hook":          d.Hook,
		"HookFile":      hookFile,
	})
}

const autounattendTemplate = `<?xml version="1.0" encoding="utf-8"?>
<unattend xmlns="urn:schemas-microsoft-com:unattend" xmlns:wcm="http://schemas.microsoft.com/WMIConfig/2002/State">
  <settings pass="windowsPE">
    <component name="Microsoft-Windows-International-Core-WinPE" processorArchitecture="{{ .Arch }}" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <SetupUILanguage>
        <UILanguage>{{ .Lang }}</UILanguage>
      </SetupUILanguage>
      <InputLocale>{{ .Lang }}</InputLocale>
      <SystemLocale>{{ .Lang }}</SystemLocale>
      <UILanguage>{{ .Lang }}</UILanguage>
      <UserLocale>{{ .Lang }}</UserLocale>
    </component>
    <component name="Microsoft-Windows-Setup" processorArchitecture="{{ .Arch }}" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <DiskConfiguration>
        <Disk wcm:action="add">
          <DiskID>0</DiskID>
          <WillWipeDisk>true</WillWipeDisk>
          <CreatePartitions>
            <CreatePartition wcm:action="add">
              <Order>1</Order>
              <Type>Primary</Type>
              <Extend>true</Extend>
            </CreatePartition>
          </CreatePartitions>
          <ModifyPartitions>
            <ModifyPartition wcm:action="add">
              <Order>1</Order>
              <PartitionID>1</PartitionID>
              <Format>NTFS</Format>
              <Letter>C</Letter>
              <Active>true</Active>
            </ModifyPartition>
          </ModifyPartitions>
        </Disk>
      </DiskConfiguration>
      <ImageInstall>
        <OSImage>
          <InstallFrom>
            <MetaData wcm:action="add">
              <Key>/IMAGE/NAME</Key>
              <Value>{{ .ImageName }}</Value>
            </MetaData>
          </InstallFrom>
          <InstallTo>
            <DiskID>0</DiskID>
            <PartitionID>1</PartitionID>
          </InstallTo>
        </OSImage>
      </ImageInstall>
      <UserData>
        <AcceptEula>true</AcceptEula>
        <ProductKey>
          <Key>{{ .ProductKey }}</Key>
          <WillShowUI>OnError</WillShowUI>
        </ProductKey>
      </UserData>
    </component>
  </settings>
  <settings pass="specialize">
    <component name="Microsoft-Windows-Shell-Setup" processorArchitecture="{{ .Arch }}" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <ComputerName>{{ .Computer }}</ComputerName>
      <TimeZone>{{ .Timezone }}</TimeZone>
    </component>
    <component name="Microsoft-Windows-LUA-Settings" processorArchitecture="{{ .Arch }}" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <EnableLUA>false</EnableLUA>
    </component>
  </settings>
  <settings pass="oobeSystem">
    <component name="Microsoft-Windows-Shell-Setup" processorArchitecture="{{ .Arch }}" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <OOBE>
        <HideEULAPage>true</HideEULAPage>
        <NetworkLocation>Work</NetworkLocation>
        <ProtectYourPC>3</ProtectYourPC>
        <SkipMachineOOBE>true</SkipMachineOOBE>
        <SkipUserOOBE>true</SkipUserOOBE>
      </OOBE>
      <UserAccounts>
        <LocalAccounts>
          <LocalAccount wcm:action="add">
            <Name>{{ .User }}</Name>
            <Group>Administrators</Group>
            <Password>
              <Value></Value>
              <PlainText>true</PlainText>
            </Password>
          </LocalAccount>
        </LocalAccounts>
      </UserAccounts>
      <AutoLogon>
        <Enabled>true</Enabled>
        <Username>{{ .User }}</Username>
        <Password>
          <Value></Value>
          <PlainText>true</PlainText>
        </Password>
      </AutoLogon>
      <FirstLogonCommands>
        <SynchronousCommand wcm:action="add">
          <Order>1</Order>
{{- if .Hook }}
          <CommandLine>cmd /c for %d in (D E F G H) do if exist %d:\{{ .HookFile }} %d:\{{ .HookFile }}</CommandLine>
{{- else }}
          <CommandLine>shutdown /s /t 60</CommandLine>
{{- end }}
        </SynchronousCommand>
      </FirstLogonCommands>
    </component>
  </settings>
</unattend>
`

var windows7ImageNames = map[settings.Edition]string{
	settings.Windows7Starter:      "Windows 7 STARTER",
	settings.Windows7HomeBasic:    "Windows 7 HOMEBASIC",
	settings.Windows7HomePremium:  "Windows 7 HOMEPREMIUM",
	settings.Windows7Professional: "Windows 7 PROFESSIONAL",
	settings.Windows7Ultimate:     "Windows 7 ULTIMATE",
	settings.Windows7Enterprise:   "Windows 7 ENTERPRISE",
}

func renderAutounattend(_ *profile, d answerData) (string, error) {
	procArch := "x86"
	if d.Arch == arch.X86_64 {
		procArch = "amd64"
	}
	return renderAnswerTemplate("autounattend.xml", autounattendTemplate, map[string]any{
		"Arch":       procArch,
		"Lang":       d.Lang.Tag(),
		"ImageName":  windows7ImageNames[d.Edition],
		"ProductKey": d.ProductKey,
		"Computer":   computerName,
		"Timezone":   d.Timezone.win7,
		"User":       userName,
		"Hook":       d.Hook,
		"HookFile":   hookFile,
	})
}

// renderHook registers the payload runner and powers the guest off. It runs
// once, from the answer file's first logon command.
func renderHook() string {
	lines := []string{
		"@echo off",
		fmt.Sprintf(`reg add "%s" /v %s /t REG_SZ /d "cmd /c for %%%%d in (D E F G H) do if exist %%%%d:\%s %%%%d:\%s" /f`,
			runKey, hookValue, payloadEntry, payloadEntry),
		"shutdown -s -t 0",
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

func localeID(l settings.Lang) string {
	switch l {
	case settings.LangZhCN:
		return "00000804"
	case settings.LangZhTW:
		return "00000404"
	default:
		return "00000409"
	}
}

func languageGroup(l settings.Lang) string {
	switch l {
	case settings.LangZhCN:
		return "10"
	case settings.LangZhTW:
		return "9"
	default:
		return "1"
	}
}
